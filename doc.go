// Package driftsql is the query lifecycle tracking and admission-control
// core of the driftsql distributed SQL engine.
//
// The Manager admits new queries, registers them with a Tracker that runs
// the retention and time/task limit policies, and enforces the resource
// consumption limits (CPU, scan bytes, output size, written intermediate
// bytes) that need state the Tracker does not own. Query execution itself
// is delegated to a pluggable execution.Driver supplied by the surrounding
// server process.
//
// Basic usage:
//
//	mgr, err := driftsql.New(
//	    driftsql.WithConfig(driftsql.Config{MaxQueryCPUTime: time.Hour}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr.Start()
//	defer mgr.Stop()
//
//	qe := execution.New(model.NewQueryID(), sess, "SELECT 1",
//	    execution.WithDriver(driver))
//	if err := mgr.CreateQuery(qe); err != nil {
//	    log.Fatal(err)
//	}
package driftsql
