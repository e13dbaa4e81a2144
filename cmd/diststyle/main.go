// diststyle generates images by matching the distribution of deep features of a style image.
package main

import "github.com/janpfeifer/diststyle/cmd/diststyle/cmd"

func main() {
	cmd.Execute()
}
