package main

import "study-payment-svc/cmd"

func main() {
	cmd.Execute()
}
