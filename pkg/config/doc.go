// Package config loads environment definitions and service settings.
//
// Environment definitions are written in CUE. Each definition has an
// environment block and a set of resources, either as a struct keyed by
// resource ID or as a list:
//
//	environment: {
//	    id:     "shop-dev"
//	    name:   "shop (dev)"
//	    labels: protected: "false"
//	}
//
//	resources: {
//	    org:   {type: "organization", name: "acme"}
//	    space: {type: "space", depends_on: ["org"]}
//	    app:   {type: "application", depends_on: ["space", "db"]}
//	    db:    {type: "service", name: "mysql", depends_on: ["space"]}
//	}
//
// Files and directories passed to Parse are unified into one value, so a
// definition may be split across files. Every environment and resource is
// checked twice: against validator struct tags and against the #Environment
// and #Resource CUE schemas of the SchemaRegistry. Resource order in the
// resulting graph is declaration order.
//
// Service settings are YAML (see Settings) and cover the store, the task
// driver bounds, the local workflow engine, telemetry, policies and the
// handlers to register.
package config
