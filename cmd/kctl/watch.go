package main

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// watch prints every frame of the event stream until ctx ends.
func watch(ctx context.Context, base string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(base)+"/kernel/events", nil)
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(string(data))
	}
}
