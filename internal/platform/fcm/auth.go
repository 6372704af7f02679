package fcm

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// NewMessagingClient builds an authenticated FCM client. OAuth token
// acquisition and refresh are delegated to the Firebase SDK: with a
// service-account key file it mints bearer tokens from that key, otherwise
// it falls back to Application Default Credentials.
func NewMessagingClient(ctx context.Context, projectID, credentialsFile string) (*messaging.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		key, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account key: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(key))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("create fcm messaging client: %w", err)
	}
	return client, nil
}
