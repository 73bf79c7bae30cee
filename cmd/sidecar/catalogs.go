package main

import (
	"fmt"

	"github.com/clawee/sidecar/pkg/catalog"
	"github.com/clawee/sidecar/pkg/invariant"
)

// catalogSet bundles every hot-reloadable catalog the control surface
// reports on and reloads by name. Pipeline.Catalogs is constructed from
// the subset the gate sequence actually consults.
type catalogSet struct {
	Policy         *catalog.Snapshot[catalog.PolicyRules]
	Capability     *catalog.Snapshot[catalog.CapabilityRules]
	ModelRegistry  *catalog.Snapshot[catalog.ModelRegistry]
	ApprovalPolicy *catalog.Snapshot[catalog.ApprovalPolicyRules]
	Pricing        *catalog.Snapshot[catalog.PricingCatalog]
	Destination    *catalog.Snapshot[catalog.DestinationRules]
	Connector      *catalog.Snapshot[catalog.ConnectorCatalog]

	paths map[string]string
	opts  catalog.Options
}

func loadCatalogSet(cfg Config, invariants *invariant.Registry) (*catalogSet, error) {
	opts := catalog.Options{Keyring: cfg.Keyring, StaticKey: cfg.StaticKey, AllowUnsigned: cfg.AllowUnsignedCatalogs, Invariants: invariants}
	cs := &catalogSet{
		opts: opts,
		paths: map[string]string{
			"policy":          cfg.CatalogPolicyPath,
			"capability":      cfg.CatalogCapabilityPath,
			"model_registry":  cfg.CatalogModelRegistryPath,
			"approval_policy": cfg.CatalogApprovalPolicyPath,
			"pricing":         cfg.CatalogPricingPath,
			"destination":     cfg.CatalogDestinationPath,
			"connector":       cfg.CatalogConnectorPath,
		},
	}

	policy, err := catalog.LoadFile[catalog.PolicyRules](cfg.CatalogPolicyPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load policy catalog: %w", err)
	}
	cs.Policy = catalog.NewSnapshot(policy)

	capRules, err := catalog.LoadFile[catalog.CapabilityRules](cfg.CatalogCapabilityPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load capability catalog: %w", err)
	}
	cs.Capability = catalog.NewSnapshot(capRules)

	modelRegistry, err := catalog.LoadFile[catalog.ModelRegistry](cfg.CatalogModelRegistryPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load model registry catalog: %w", err)
	}
	if opts.Keyring != nil {
		if err := modelRegistry.Rules.VerifyEntrySignatures(opts.Keyring); err != nil {
			return nil, fmt.Errorf("verify model registry entry signatures: %w", err)
		}
	}
	cs.ModelRegistry = catalog.NewSnapshot(modelRegistry)

	approvalPolicy, err := catalog.LoadFile[catalog.ApprovalPolicyRules](cfg.CatalogApprovalPolicyPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load approval policy catalog: %w", err)
	}
	cs.ApprovalPolicy = catalog.NewSnapshot(approvalPolicy)

	pricing, err := catalog.LoadFile[catalog.PricingCatalog](cfg.CatalogPricingPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load pricing catalog: %w", err)
	}
	cs.Pricing = catalog.NewSnapshot(pricing)

	if cfg.CatalogDestinationPath != "" {
		destination, err := catalog.LoadFile[catalog.DestinationRules](cfg.CatalogDestinationPath, opts)
		if err != nil {
			return nil, fmt.Errorf("load destination catalog: %w", err)
		}
		cs.Destination = catalog.NewSnapshot(destination)
	}
	if cfg.CatalogConnectorPath != "" {
		connector, err := catalog.LoadFile[catalog.ConnectorCatalog](cfg.CatalogConnectorPath, opts)
		if err != nil {
			return nil, fmt.Errorf("load connector catalog: %w", err)
		}
		cs.Connector = catalog.NewSnapshot(connector)
	}
	return cs, nil
}

// Reload re-reads the on-disk document for name and atomically publishes
// it, leaving the previously published catalog in place on any error.
func (cs *catalogSet) Reload(name string) error {
	path, ok := cs.paths[name]
	if !ok {
		return fmt.Errorf("unknown catalog %q", name)
	}
	if path == "" {
		return fmt.Errorf("catalog %q has no configured path", name)
	}
	switch name {
	case "policy":
		signed, err := catalog.LoadFile[catalog.PolicyRules](path, cs.opts)
		if err != nil {
			return err
		}
		cs.Policy.Store(signed)
	case "capability":
		signed, err := catalog.LoadFile[catalog.CapabilityRules](path, cs.opts)
		if err != nil {
			return err
		}
		cs.Capability.Store(signed)
	case "model_registry":
		signed, err := catalog.LoadFile[catalog.ModelRegistry](path, cs.opts)
		if err != nil {
			return err
		}
		if cs.opts.Keyring != nil {
			if err := signed.Rules.VerifyEntrySignatures(cs.opts.Keyring); err != nil {
				return err
			}
		}
		cs.ModelRegistry.Store(signed)
	case "approval_policy":
		signed, err := catalog.LoadFile[catalog.ApprovalPolicyRules](path, cs.opts)
		if err != nil {
			return err
		}
		cs.ApprovalPolicy.Store(signed)
	case "pricing":
		signed, err := catalog.LoadFile[catalog.PricingCatalog](path, cs.opts)
		if err != nil {
			return err
		}
		cs.Pricing.Store(signed)
	case "destination":
		signed, err := catalog.LoadFile[catalog.DestinationRules](path, cs.opts)
		if err != nil {
			return err
		}
		if cs.Destination == nil {
			cs.Destination = catalog.NewSnapshot(signed)
		} else {
			cs.Destination.Store(signed)
		}
	case "connector":
		signed, err := catalog.LoadFile[catalog.ConnectorCatalog](path, cs.opts)
		if err != nil {
			return err
		}
		if cs.Connector == nil {
			cs.Connector = catalog.NewSnapshot(signed)
		} else {
			cs.Connector.Store(signed)
		}
	default:
		return fmt.Errorf("unknown catalog %q", name)
	}
	return nil
}

func fingerprintInfo[T any](s catalog.Signed[T]) map[string]any {
	return map[string]any{"fingerprint": s.Fingerprint, "signing_mode": s.Mode, "active_kid": s.ActiveKid}
}

// Fingerprints reports every loaded catalog's fingerprint and signing mode,
// the shape the status endpoint and reload responses both publish.
func (cs *catalogSet) Fingerprints() map[string]any {
	out := map[string]any{
		"policy":          fingerprintInfo(cs.Policy.Load()),
		"capability":      fingerprintInfo(cs.Capability.Load()),
		"model_registry":  fingerprintInfo(cs.ModelRegistry.Load()),
		"approval_policy": fingerprintInfo(cs.ApprovalPolicy.Load()),
		"pricing":         fingerprintInfo(cs.Pricing.Load()),
	}
	if cs.Destination != nil {
		out["destination"] = fingerprintInfo(cs.Destination.Load())
	}
	if cs.Connector != nil {
		out["connector"] = fingerprintInfo(cs.Connector.Load())
	}
	return out
}
