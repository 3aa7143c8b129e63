// Package rating maintains the running rating aggregate for a user profile.
package rating

import "fmt"

// Window bounds how many of the most recent ratings are retained; the
// mean is recomputed from the retained window on every call.
const Window = 100

// Profile is the subset of a user profile rating mutates. Implemented by
// database.Profile.
type Profile interface {
	TotalRatings() int
	SetTotalRatings(n int)
	Ratings() []int
	SetRatings(r []int)
	SetAvgRating(v float64)
}

// AddRating appends rating to the profile's retained window, trims it to
// Window entries, and recomputes the average over what remains. The first
// rating ever recorded sets AvgRating to that value directly.
func AddRating(p Profile, rating int) error {
	if rating < 0 || rating > 5 {
		return fmt.Errorf("rating: value %d out of range [0,5]", rating)
	}

	p.SetTotalRatings(p.TotalRatings() + 1)

	ratings := append(p.Ratings(), rating)
	if len(ratings) > Window {
		ratings = ratings[len(ratings)-Window:]
	}
	p.SetRatings(ratings)

	if len(ratings) == 1 {
		p.SetAvgRating(float64(rating))
		return nil
	}

	sum := 0
	for _, r := range ratings {
		sum += r
	}
	p.SetAvgRating(float64(sum) / float64(len(ratings)))
	return nil
}
