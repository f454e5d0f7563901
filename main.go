// Command rivercog ingests river-ice archives and publishes them as COGs.
package main

import "github.com/JakeFAU/river-ice-cog/cmd"

func main() {
	cmd.Execute()
}
