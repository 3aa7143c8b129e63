package config

// TradeConfig holds every setting the trading core's binaries need: the
// Postgres order/payment store, the Redis cache/lock/stream bus, the LND
// gRPC endpoint, and the trading economics (fee, bond size, size limits,
// expiry windows).
type TradeConfig struct {
	Database struct {
		Host            string `toml:"host" env:"TRADE_DB_HOST"`
		Port            string `toml:"port" env:"TRADE_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"TRADE_DB_USER"`
		Password        string `toml:"password" env:"TRADE_DB_PASSWORD"`
		DB              string `toml:"db" env:"TRADE_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"TRADE_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"TRADE_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"TRADE_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"TRADE_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"TRADE_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"TRADE_REDIS_HOST"`
		Port     string `toml:"port" env:"TRADE_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"TRADE_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"TRADE_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	LND struct {
		GRPCHost              string `toml:"grpc_host" env:"TRADE_LND_GRPC_HOST"`
		GRPCPort              string `toml:"grpc_port" env:"TRADE_LND_GRPC_PORT" env-default:"10009"`
		TLSCertPath           string `toml:"tls_cert_path" env:"TRADE_LND_TLS_CERT_PATH"`
		MacaroonPath          string `toml:"macaroon_path" env:"TRADE_LND_MACAROON_PATH"`
		Network               string `toml:"network" env:"TRADE_LND_NETWORK" env-default:"mainnet"`
		PaymentTimeoutSeconds int    `toml:"payment_timeout_seconds" env:"TRADE_LND_PAYMENT_TIMEOUT_SECONDS" env-default:"30"`
		MaxPaymentFeeSats     int64  `toml:"max_payment_fee_sats" env:"TRADE_LND_MAX_PAYMENT_FEE_SATS" env-default:"100"`
	} `toml:"lnd"`

	Exchange struct {
		Provider string `toml:"provider" env:"TRADE_EXCHANGE_PROVIDER" env-default:"coinbase"`
		// BaseURL overrides the provider's production endpoint (the market
		// price API the rate provider is pointed at). Empty means the
		// provider's default.
		BaseURL string `toml:"base_url" env:"TRADE_EXCHANGE_BASE_URL"`
	} `toml:"exchange"`

	Trading struct {
		EscrowUsername  string `toml:"escrow_username" env:"TRADE_ESCROW_USERNAME"`
		FeeRate         float64 `toml:"fee" env:"TRADE_FEE" env-default:"0.002"`
		BondSize        float64 `toml:"bond_size" env:"TRADE_BOND_SIZE" env-default:"0.01"`
		MinTradeSats    int64   `toml:"min_trade" env:"TRADE_MIN_TRADE" env-default:"20000"`
		MaxTradeSats    int64   `toml:"max_trade" env:"TRADE_MAX_TRADE" env-default:"800000"`

		ExpMakerBondInvoiceMinutes int `toml:"exp_maker_bond_invoice" env:"TRADE_EXP_MAKER_BOND_INVOICE" env-default:"5"`
		ExpTakerBondInvoiceMinutes int `toml:"exp_taker_bond_invoice" env:"TRADE_EXP_TAKER_BOND_INVOICE" env-default:"5"`
		ExpTradeEscrInvoiceMinutes int `toml:"exp_trade_escr_invoice" env:"TRADE_EXP_TRADE_ESCR_INVOICE" env-default:"10"`

		BondExpiryHours   int `toml:"bond_expiry" env:"TRADE_BOND_EXPIRY" env-default:"2"`
		EscrowExpiryHours int `toml:"escrow_expiry" env:"TRADE_ESCROW_EXPIRY" env-default:"3"`

		PenaltyTimeoutSeconds int `toml:"penalty_timeout" env:"TRADE_PENALTY_TIMEOUT" env-default:"180"`

		RatingWindow int `toml:"rating_window" env:"TRADE_RATING_WINDOW" env-default:"100"`

		EnableCollabCancel bool `toml:"enable_collab_cancel" env:"TRADE_ENABLE_COLLAB_CANCEL" env-default:"true"`

		ExpirySweepIntervalSeconds int `toml:"expiry_sweep_interval" env:"TRADE_EXPIRY_SWEEP_INTERVAL" env-default:"60"`
	} `toml:"trading"`
}
