// foreman coordinates work distribution for fleets of autonomous agents.
package main

import "github.com/marcus/foreman/cmd/foreman/commands"

func main() {
	commands.Execute()
}
