// Package logging builds the daemon's zap logger.
//
// Production mode writes JSON lines, development mode writes colored console
// output. Components receive the *zap.Logger and name themselves with Named,
// so a line from the health monitor carries "logger":"health".
//
//	logger, err := logging.New(logging.Config{Level: "info"})
//	logger.Info("Server starting", zap.String("rpc_addr", cfg.Server.RPCAddr))
package logging
