// Package policy guards destructive volume intents with Open Policy Agent.
//
// Every policy is a Rego module whose deny set lists violations for an
// Intent. Violations of severity error block the intent; warnings are
// reported only. Two policies are built in: production-recreate refuses to
// recreate a production volume without a backup unless forced, and
// volume-naming warns about volumes outside the deployer's naming scheme.
//
// Additional policies are loaded from .rego files:
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"/etc/codeb/policies"}); err != nil {
//	    return err
//	}
//	decision, err := engine.Evaluate(ctx, &policy.Intent{
//	    Action:      policy.ActionVolumeRecreate,
//	    Volume:      "codeb-postgres-shop-production",
//	    Environment: "production",
//	})
package policy
