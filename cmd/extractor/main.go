// Command extractor runs the sandboxed extraction service and its CLI tools.
package main

import "github.com/JakeFAU/realtime-cpi-extractor/cmd"

func main() {
	cmd.Execute()
}
