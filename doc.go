// Package tokengate is a client-side admission gate for token-per-minute
// quota-limited completion APIs.
//
// The Gate keeps an exact trailing-window ledger of local token spend,
// folds in the provider's reported remaining budget and hard rejections,
// and turns the three signals into one advisory throttle decision per
// request. Rejections that slip through are retried with reset-aware
// backoff.
//
//	gate, err := tokengate.New(ctx,
//		tokengate.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//		tokengate.WithModel("gpt-4o-mini"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer gate.Close()
//
//	res, err := gate.Complete(ctx, "summarize this document ...")
//
// Optionally, per-minute consumption can be mirrored into Valkey or Redis
// for fleet-wide observability (WithValkeyMirror). The mirror is
// write-behind and never consulted for admission decisions.
package tokengate
