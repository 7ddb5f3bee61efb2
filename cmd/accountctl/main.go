// Command accountctl manages tracked accounts, the postgres schema and stored
// OAuth tokens from the terminal, using the same configuration as the service.
//
// Usage:
//
//	accountctl accounts add "Name#TAG" --region NA1
//	accountctl accounts list [--json]
//	accountctl accounts remove <id>
//	accountctl accounts toggle <id> [--active=false]
//	accountctl migrate up|down|version
//	accountctl tokens encrypt
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
