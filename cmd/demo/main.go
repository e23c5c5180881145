package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kairos153/dumq-amqp"
)

func main() {
	client, err := amqp.Dial("amqp://localhost:5672/", amqp.ConnSASLPlain("guest", "guest"))
	if err != nil {
		fmt.Printf("dial: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		fmt.Printf("new session: %v\n", err)
		os.Exit(1)
	}

	sender, err := session.NewSender(amqp.LinkAddress("demo"))
	if err != nil {
		fmt.Printf("new sender: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = sender.Send(ctx, amqp.NewMessage([]byte("hello from dumq-amqp")))
	if err != nil {
		fmt.Printf("send: %v\n", err)
		os.Exit(1)
	}
}
