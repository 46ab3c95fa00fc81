package main

import "github.com/ValentinKolb/dRaft/cmd"

func main() {
	cmd.Execute()
}
