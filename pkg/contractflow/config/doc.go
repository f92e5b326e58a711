/*
Package config loads contractflow settings.

Config wraps a map[string]any with typed accessors that fall back to a
default when a key is missing or holds the wrong type:

	cfg := config.New(map[string]any{"heartbeat": "30s", "concurrency": 8})
	cfg.Duration("heartbeat", time.Minute) // 30s
	cfg.Int("concurrency", 4)              // 8

Settings is the typed view the CLI and worker use. Load reads a YAML or JSON
file, expanding ${VAR} references from the environment first, overlays it
on Defaults, and lets CONTRACTFLOW_* variables override connection strings:

	s, err := config.Load("contractflow.yaml")
	if err != nil {
	    return err
	}
	m := retry.NewManager(s.RetryOptions()...)

Config is safe for concurrent reads.
*/
package config
