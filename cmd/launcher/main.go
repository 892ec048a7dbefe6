// Package main is the entry point for the FreeNodes launcher.
//
// @title          FreeNodes Launcher API
// @version        1.0
// @description    Launcher service: prepares the node-processing environment and runs the processor on demand.
// @host           localhost:8090
// @BasePath       /
// @schemes        http
package main

func main() {
	Execute()
}
