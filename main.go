// =============================================================================
// Usage Reconciler - Main Entry Point
// =============================================================================
//
// USAGE:
//   reconciler mappings build <master>  - Rebuild the customer mapping table
//   reconciler aggregate                - Turn the usage feeds into upload files
//   reconciler invoices map             - Find the invoice for every chunk file
//   reconciler attach                   - Upload chunk files to their invoices
//   reconciler version                  - Display the application version
//
// ARCHITECTURE:
//   cmd/       : Cobra command definitions
//   internal/  : Reconciliation logic (normalize, mapping, identity, ingest,
//                aggregate, invoice, chunker, attach, pipeline)
//   pkg/utils/ : Date parsing, file discovery, archival and run logs
//
// =============================================================================

package main

import (
	"github.com/ginjaninja78/usage-reconciler/cmd"
)

func main() {
	cmd.Execute()
}
