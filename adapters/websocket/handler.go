package websocket

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler upgrades the request to a websocket connection and runs the
// client pumps until the connection closes. The JWT middleware must run
// before this handler so user_id is present in the echo context.
func (s *Server) Handler(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	userID, _ := c.Get("user_id").(int)

	client := NewClient(conn, uuid.NewString(), userID, s.onSignal)
	s.hub.Register(client)

	// Start the client goroutines
	client.Run()

	// Register cleanup when client is done
	defer s.hub.Unregister(client)

	// Wait for the client context to be done (connection closed)
	<-client.Context().Done()

	return nil
}
