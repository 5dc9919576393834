package main

import (
	"fmt"
	"os"

	"github.com/SherClockHolmes/webpush-go"
)

// Generates a VAPID key pair for web push. Put the output in the
// environment of every daemon that should send notifications.
func main() {
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		fmt.Printf("Error generating VAPID keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
}
