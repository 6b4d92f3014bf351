// Package main implements the flowgate CLI.
package main

func main() {
	Execute()
}
