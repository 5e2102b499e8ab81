package main

import (
	"github.com/JakeFAU/crawl-worker/cmd"
)

func main() {
	cmd.Execute()
}
