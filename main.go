// The main package for the crawlsched executable.
package main

import "github.com/JakeFAU/crawlsched/cmd"

func main() {
	cmd.Execute()
}
