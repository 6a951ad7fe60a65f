package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/frahmantamala/puzzle-purchases/internal/auth"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Mint an access token",
	Long:  `Mint a signed access token for local testing. Tokens are normally issued by the identity service.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mintToken(args[0])
	},
}

var (
	tokenEmail       string
	tokenPermissions []string
	tokenTTL         time.Duration
)

func mintToken(userID string) {
	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = config.Security.AccessTokenDuration
	}

	tokens := auth.NewJWTTokenGenerator(config.Security.JWTSecret, ttl)
	token, err := tokens.GenerateAccessToken(userID, tokenEmail, tokenPermissions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to mint token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().StringSliceVar(&tokenPermissions, "permissions", nil, "Permissions claim, e.g. admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to security.access_token_duration)")

	rootCmd.AddCommand(tokenCmd)
}
