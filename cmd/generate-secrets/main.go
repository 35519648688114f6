package main

import (
	"fmt"
	"log"

	"github.com/smarttransit/ticketing-engine/internal/utils"
)

func main() {
	fmt.Println("===========================================")
	fmt.Println("Ticketing Engine Secret Generator")
	fmt.Println("===========================================")
	fmt.Println()

	secrets, err := utils.GenerateEngineSecrets()
	if err != nil {
		log.Fatalf("Failed to generate secrets: %v", err)
	}

	fmt.Println("✅ Secrets generated successfully!")
	fmt.Println()
	fmt.Println("Add these to your .env file:")
	fmt.Println()
	fmt.Printf("JWT_SECRET=%s\n", secrets.JWTSecret)
	fmt.Printf("TICKET_SECRET=%s\n", secrets.TicketSecret)
	fmt.Printf("PAYMENT_WEBHOOK_SECRET=%s\n", secrets.WebhookSecret)
	fmt.Println()
	fmt.Println("⚠️  Rotating TICKET_SECRET invalidates every ticket already issued.")
	fmt.Println("⚠️  IMPORTANT: Keep these secrets safe and never commit them to version control!")
	fmt.Println("===========================================")
}
