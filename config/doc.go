// Package config provides name registries and human-readable pipeline configuration.
//
// Register transform functions and sources by name, then define pipelines in
// YAML (or structs) that reference those names and per-stage options:
//
//	pipelines:
//	  import:
//	    category: billing
//	    resource_type: invoice
//	    source: pending-invoices
//	    defaults:
//	      max_parallelism: 8
//	      bounded_capacity: 100
//	    artifacts:
//	      batch_size: 50
//	      flush_interval: 2s
//	    stages:
//	      - fetch
//	      - name: parse
//	        timeout: 60s
//	        max_parallelism: 2
//	      - name: enrich
//	        track_progress: false
//
// PipelineConfig.ContextBuilder carries identity and defaults into a
// pipeline.ContextBuilder; BuildChain appends the configured stages to a
// typed pipeline.Stage. StorageConfig.ApplyEnv layers DATABASE_URL and the
// RESOURCEPIPE_* variables over the file.
package config
