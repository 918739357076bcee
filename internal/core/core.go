/*
Core implements the reconciliation loop.

# Cycle
  - DRAIN: pull buffered records from every registered source
  - ASSEMBLE: turn records into bars; symbols without a first bar stop here
  - DECIDE: invoke the decision routine once per symbol that got a new bar
  - DISPATCH: guard and submit the resulting intents
  - RECONCILE: refresh the account and resolve outstanding orders
  - IDLE: wait out the rest of the poll interval

# Ownership
  - the loop is the only writer of order records and account snapshots
  - sources are filled by transport goroutines and drained here without blocking

# Shutdown
  - observed only between phases
  - observed before DECIDE or DISPATCH skips them, RECONCILE always runs
*/
package core
