// Package config provides configuration parsing for duet servers.
//
// The configuration is stored in duet.json at the project root.
// This package handles loading, saving, and validating configuration.
// Every field is optional; empty durations and limits fall back to the
// defaults of pkg/session and pkg/server.
//
// # Configuration File Structure
//
//	{
//	  "address": ":8080",
//	  "path": "/_duet",
//	  "session": {
//	    "idleTimeout": "5m",
//	    "sweepInterval": "30s",
//	    "maxSessions": 10000,
//	    "sharing": true
//	  },
//	  "server": {
//	    "dequeueTimeout": "30s",
//	    "allowedOrigins": ["https://app.example.com"]
//	  },
//	  "archive": {
//	    "kind": "sqlite",
//	    "dsn": "sessions.db"
//	  },
//	  "metrics": {"enabled": true},
//	  "tracing": {"enabled": true},
//	  "log": {"level": "debug", "format": "json"}
//	}
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Listening on", cfg.Address)
package config
