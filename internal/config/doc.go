// Package config defines the configuration document and turns it into
// a running pipeline.
//
// The document is a single YAML file covering the server, stores,
// resource loaders, identity resolution, access policies, and routes.
// Loading substitutes ${VAR} and ${VAR:-default} environment
// references, applies defaults, and leaves validation to
// ValidateConfig, which cross-checks every name reference (route to
// schema, loader to store, cache to store) before anything is built.
//
// # Loading and validation
//
//	cfg, err := config.Load("authpipe.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// # Building a runtime
//
// Build resolves secret references, opens the stores, and wires the
// pipeline:
//
//	rt, err := config.Build(ctx, cfg,
//	    config.WithBuildLogger(logger),
//	    config.WithBuildMetrics(metrics),
//	    config.WithSecretsProvider(provider),
//	)
//
// # Hot reload
//
// A Watcher reloads the file on change, keeping the last good
// configuration when a reload fails:
//
//	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    // build and swap a new runtime
//	})
//	watcher.Start(ctx)
package config
