// Package inventory is the retail inventory domain built on the agent
// runtime.
//
// The coordinator (a base agent) owns two sub-agents and a supplier agent:
//
//   - stock-check runs one "check" task per SKU, fanned out in chunks.
//   - replenish runs a "quote" then "order" chain per low SKU. The quote step
//     delegates to the supplier agent; the order step asks the coordinator
//     for approval when the order total reaches the configured value.
//
// Stock and purchase orders live in the "stock" and "purchase_orders" tables
// of the configured record store.
package inventory
