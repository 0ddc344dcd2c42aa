// Package harness runs multi-peer sync scenarios against real SQLite
// databases.
//
// A scenario provisions one server and any number of clients, then runs a
// sequence of steps: SQL executed on a peer, sync sessions on clients,
// cleanup and snapshots on the server. Clients reach the server through the
// in-process transport; every peer uses a deterministic clock and
// sequential ids, so the trace of a scenario is reproducible.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	scope_dir: ../scopes          # or an inline scope: {name, tables}
//	server:
//	  conflict_policy: client_wins
//	  setup:
//	    - "CREATE TABLE customer (id INTEGER PRIMARY KEY, name TEXT)"
//	clients:
//	  - name: alice
//	    error_policy: retry_on_next_sync
//	steps:
//	  - peer: alice
//	    exec: "INSERT INTO customer (id, name) VALUES (1, 'ann')"
//	  - peer: alice
//	    sync: normal
//	    params: {customer: 1}
//	    expect: {uploaded: 1, conflicts: 0}
//	  - peer: server
//	    snapshot: true
//	assertions:
//	  - type: converged
//	    table: customer
//	  - type: rows
//	    peer: alice
//	    query: "SELECT id, name FROM customer ORDER BY id"
//	    rows: [[1, ann]]
//
// # Assertion Types
//
//   - rows: a query on one peer returns exactly the given rows
//   - row_count: a table of one peer holds the given number of rows
//   - converged: a table holds identical rows on every peer
//   - pending_errors: rows waiting in a client's error batches
//
// # Golden Files
//
// RunWithGolden compares the trace and the final tables with
// testdata/golden/{name}.golden. Run tests with -update to rewrite them.
package harness
