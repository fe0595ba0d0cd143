// Package bootstrap builds a running perfwatch process from a config file.
//
// Components are constructed in dependency order: storage (SQLite, the
// optional ClickHouse sample store and Redis lease), the credential vault,
// the baseline engine, detector and correlation analyzer, the alert pipeline
// and notification dispatcher, and finally the job scheduler and HTTP API.
// Shutdown releases them in reverse.
//
//	app, err := bootstrap.NewApp(ctx, bootstrap.Options{ConfigPath: "config.yaml"})
//	if err != nil {
//	    return err
//	}
//	defer app.Shutdown()
//	if err := app.Start(ctx); err != nil {
//	    return err
//	}
//	app.WaitForShutdown()
package bootstrap
