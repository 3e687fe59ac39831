package chain

func init() {
	Register(&Params{
		Coin:     XMR,
		Name:     "Monero",
		Decimals: 12,
		Curve:    CurveEd25519,

		// Value-only chain: locks are one-time-key commitments, not scripts.
		HasScript: false,

		MinConfirmations: 3,
		BlockTargetSecs:  120,
	})
}
