package policy

// BuiltinPolicies returns the guardrails shipped with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		productionDeletePolicy(),
		productionReplacePolicy(),
	}
}

// productionDeletePolicy blocks delete steps against production environments
// unless the caller passes an explicit override.
func productionDeletePolicy() Policy {
	return Policy{
		Name:        "production-delete-protection",
		Description: "Denies delete steps in production environments without an explicit override",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package launchflow.policies.production_delete

deny contains violation if {
	input.environment.type == "production"
	not input.override
	some step in input.plan.steps
	step.operation == "delete"
	violation := {
		"message": sprintf("deleting %s in production environment %s requires --override", [step.entity_id, input.environment.name]),
		"severity": "error",
		"entity_id": step.entity_id,
	}
}
`,
	}
}

// productionReplacePolicy warns on replacements in production, since the
// destroy half interrupts whatever the entity was serving.
func productionReplacePolicy() Policy {
	return Policy{
		Name:        "production-replace-warning",
		Description: "Warns when a production entity will be destroyed and recreated",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package launchflow.policies.production_replace

deny contains violation if {
	input.environment.type == "production"
	some step in input.plan.steps
	step.operation == "replace"
	violation := {
		"message": sprintf("%s will be destroyed and recreated in production", [step.entity_id]),
		"severity": "warning",
		"entity_id": step.entity_id,
	}
}
`,
	}
}
