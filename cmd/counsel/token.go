package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"counsel/cmd/internal/app"
	"counsel/cmd/internal/auth"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tokenCmd = &cobra.Command{
	Use:     "token",
	Short:   "Mint a development bearer token signed with COUNSEL_AUTH_SECRET.",
	PreRunE: bindFlags,
	RunE: func(cmd *cobra.Command, _ []string) error {
		issued, userID, err := mintTokens(app.LoadConfig(), viper.GetString("user"))
		if err != nil {
			return err
		}
		if !viper.GetBool("json") {
			fmt.Println(issued.AccessToken)
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(mintedToken{
			UserID:           userID,
			AccessToken:      issued.AccessToken,
			AccessExpiresAt:  issued.AccessExp,
			RefreshToken:     issued.RefreshToken,
			RefreshExpiresAt: issued.RefreshExp,
		})
	},
}

type mintedToken struct {
	UserID           string    `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func init() {
	f := tokenCmd.Flags()
	f.String("user", "", "subject of the token (default: a random id)")
	f.Bool("json", false, "print the full token pair as JSON")
}

// mintTokens issues a token pair for userID with the configured secret. An empty userID gets a
// random one.
func mintTokens(cfg app.Config, userID string) (auth.Issued, string, error) {
	if strings.TrimSpace(cfg.AuthSecret) == "" {
		return auth.Issued{}, "", errors.New("COUNSEL_AUTH_SECRET is not set; the server would not accept a token signed with anything else")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = uuid.NewString()
	}

	tokens, err := auth.NewTokens(auth.Config{
		Secret:     []byte(cfg.AuthSecret),
		Issuer:     cfg.AuthIssuer,
		AccessTTL:  cfg.AuthAccessTTL,
		RefreshTTL: cfg.AuthRefreshTTL,
	})
	if err != nil {
		return auth.Issued{}, "", fmt.Errorf("token config: %w", err)
	}
	issued, err := tokens.Issue(userID, time.Now().UTC())
	if err != nil {
		return auth.Issued{}, "", err
	}
	return issued, userID, nil
}
