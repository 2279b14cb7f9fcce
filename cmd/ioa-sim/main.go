// Command ioa-sim attaches the adapter engine to a simulated adapter and
// drives a verified read/write workload through it while injecting faults.
package main

import "github.com/ehrlich-b/go-ioa/cmd/ioa-sim/cmd"

func main() {
	cmd.Execute()
}
