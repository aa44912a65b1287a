// Package policy gates activation plans with Open Policy Agent.
//
// Every policy is a Rego module whose deny rule yields messages or
// objects carrying message, severity and resource keys. Policies are
// evaluated against an Input built from the tiered plan:
//
//	{
//	  "environment": {"id": "env-1", "labels": {"protected": "true"}},
//	  "step": "DELETE",
//	  "tiers": [["app", "mysql"], ["space"], ["org"]],
//	  "resources": [{"id": "app", "type": "application", "tier": 0, ...}]
//	}
//
// Error and critical violations deny the plan; info and warning
// violations are reported as warnings.
//
// Example policy:
//
//	package activation.policies.routes
//
//	import rego.v1
//
//	deny contains msg if {
//		input.step == "ACTIVATE"
//		some r in input.resources
//		r.type == "route"
//		not r.labels.domain
//		msg := sprintf("route %s has no domain label", [r.id])
//	}
//
// Files named *.rego take their policy name from the file name and a
// "# severity: warning" comment lowers the default error severity.
// Engine.Watch reloads policy directories on change.
package policy
