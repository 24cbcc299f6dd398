// Package meshnode provides interfaces for the node that hosts the
// coordination layer.
//
// A node wires the components of one process together:
//   - Backend: the networked key-value store (Redis, or in-memory for tests)
//   - Mesh Store: versioned, namespaced values with change events
//   - Safety Limits Enforcer: execution unit admission and resource limits
//   - Circuit Breaker: failure isolation for the backend and other services
//   - Mesh RPC: the gRPC surface other processes use to reach the store
//
// Example usage:
//
//	node, err := meshnode.NewNode(ctx, config)
//	if err != nil {
//		return err
//	}
//	defer node.Close()
//
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//
//	err = node.Safety().Run(ctx, "unit-42", func(ctx context.Context) error {
//		_, err := node.Store().Set(ctx, "progress", 0.5, "jobs")
//		return err
//	})
//
//	health, err := node.GetHealth(ctx)
//	if err != nil {
//		return err
//	}
//	if !health.Healthy {
//		log.Printf("node unhealthy: %s", health.Message)
//	}
package meshnode
