// Command uafguardctl drives a uafguard.Allocator instance for manual
// exercise and diagnostics. It is not a memory-debugging tool for other
// processes — it only runs its own in-process allocator.
package main

func main() {
	execute()
}
