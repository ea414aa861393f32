// Command wirenode listens on the configured endpoints and echoes every
// byte it receives. Configured dial endpoints are kept connected and probed
// with a periodic round trip.
package main

import "os"

func main() {
	os.Exit(run(ParseFlags(os.Args[1:])))
}
