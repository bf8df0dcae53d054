// The main package for the nextscan executable.
package main

import "github.com/JakeFAU/warc-nextjs-scanner/cmd"

func main() {
	cmd.Execute()
}
