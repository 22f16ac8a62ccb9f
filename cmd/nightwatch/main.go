// Command nightwatch runs and drives the session supervisor.
package main

func main() {
	Execute()
}
