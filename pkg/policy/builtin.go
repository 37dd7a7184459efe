package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		productionRecreatePolicy(),
		volumeNamingPolicy(),
	}
}

// productionRecreatePolicy refuses to discard production data without a
// backup unless the caller forces it.
func productionRecreatePolicy() Policy {
	return Policy{
		Name:        "production-recreate",
		Description: "Recreating a production volume requires a backup or an explicit force",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package codeb.policies.production_recreate

import rego.v1

production_environments := {"production", "prod"}

deny contains violation if {
	input.action == "volume.recreate"
	production_environments[lower(input.environment)]
	not input.force
	violation := {
		"message": sprintf("recreating volume %s in %s discards its data; use backup-and-recreate, or pass --force (force: true in a desired-state file) to discard it", [input.volume, input.environment]),
		"severity": "error",
	}
}

deny contains violation if {
	input.action == "volume.restore"
	production_environments[lower(input.environment)]
	count(input.users) > 0
	not input.force
	violation := {
		"message": sprintf("volume %s is mounted by %v; stop them first or pass --force", [input.volume, input.users]),
		"severity": "error",
	}
}
`,
	}
}

// volumeNamingPolicy warns about volumes outside the deployer's naming
// scheme.
func volumeNamingPolicy() Policy {
	return Policy{
		Name:        "volume-naming",
		Description: "Managed volumes follow codeb-<kind>-<project>-<environment>",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package codeb.policies.volume_naming

import rego.v1

deny contains violation if {
	not regex.match("^codeb-[a-z0-9-]+$", input.volume)
	violation := {
		"message": sprintf("volume %s is not managed by codeb", [input.volume]),
		"severity": "warning",
	}
}
`,
	}
}
