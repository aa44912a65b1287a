package policy

// BuiltinPolicies returns the policies shipped with the activator.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedEnvironmentPolicy(),
		criticalResourcePolicy(),
	}
}

// protectedEnvironmentPolicy denies tearing down protected environments.
func protectedEnvironmentPolicy() Policy {
	return Policy{
		Name:        "protected-environment",
		Description: "Denies DELETE of environments labelled protected=true",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "lifecycle"},
		Rego: `package activation.policies.protected

import rego.v1

deny contains msg if {
	input.step == "DELETE"
	input.environment.labels.protected == "true"
	msg := sprintf("environment %s is protected and cannot be deleted", [input.environment.id])
}`,
	}
}

// criticalResourcePolicy warns when a teardown touches critical resources.
func criticalResourcePolicy() Policy {
	return Policy{
		Name:        "critical-resources",
		Description: "Warns when STOP or DELETE reaches a resource labelled critical=true",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package activation.policies.critical

import rego.v1

teardown := {"STOP", "DELETE"}

deny contains violation if {
	input.step in teardown
	some r in input.resources
	r.labels.critical == "true"
	violation := {
		"message": sprintf("%s reaches critical resource %s#%s", [input.step, r.type, r.id]),
		"resource": r.id,
	}
}`,
	}
}
