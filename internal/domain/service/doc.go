// Package service is the registry's composition root.
//
// A Registry owns the ordered log, the applier that folds the log into the
// view, and the health monitor whose targets follow the view's change feed.
// Commands (AddService, DeleteService, AddWriter) only append to the log;
// their effect becomes visible once delivery has applied them, which Sync
// waits for. Queries read the view directly.
//
// Example Usage:
//
//	reg, err := service.New(service.Options{Dir: dir, Local: kp.Public, Dialer: dialer})
//	if err := reg.Open(ctx); err != nil { ... }
//	defer reg.Close()
//
//	_ = reg.AddService(ctx, key, "payments")
//	_ = reg.Sync(ctx)
//	entries, _ := reg.Lookup("payments", 10)
package service
