// A command to run NBD chain servers
package main

import (
	"flag"

	"github.com/nbdchain/nbdchain/server"

	_ "github.com/nbdchain/nbdchain/layer/cache"
	_ "github.com/nbdchain/nbdchain/layer/file"
	_ "github.com/nbdchain/nbdchain/layer/log"
	_ "github.com/nbdchain/nbdchain/layer/memory"
	_ "github.com/nbdchain/nbdchain/layer/retry"
	_ "github.com/nbdchain/nbdchain/layer/swab"
)

// main() is the main program entry
//
// this is a wrapper to enable us to put the interesting stuff in a package
func main() {
	flag.Parse()
	server.Run(nil)
}
