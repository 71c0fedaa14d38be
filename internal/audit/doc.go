// Package audit records security-relevant events as structured,
// append-only records:
//   - Evaluation events: one record per pipeline run, carrying the
//     verdict, the stage trail summary, and the loaded resource names
//   - Configuration events: loads and reloads, successful or not
//   - Security events: rate limit rejections, oversized bodies,
//     recovered panics
//
// Audit records, diagnostic logs, and traces are the only places the
// decision trail leaves the process. Response bodies never carry it.
//
// # Usage
//
// Create an audit logger with the desired configuration:
//
//	cfg := &audit.Config{
//	    Enabled: true,
//	    Level:   audit.LevelInfo,
//	    Output:  "stdout",
//	    Format:  "json",
//	}
//
//	auditLog, err := audit.NewLogger(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	auditLog.LogEvaluation(ctx, audit.OutcomeDenied,
//	    &audit.Subject{ID: "u-17", AuthType: "jwt"},
//	    &audit.RequestDetails{Method: "GET", Path: "/projects/p-1", Route: "projects.get"},
//	    &audit.DecisionDetails{Verdict: "resource_not_found", Trail: "route_resolution:pass identity_resolution:pass resource_loading:pass resource_access:fail"},
//	)
//
// Wrap the logger in an AtomicLogger when configuration reloads may
// replace it at runtime.
package audit
