package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	migrationPath := "migrations/schema.sql"
	if len(os.Args) > 1 {
		migrationPath = os.Args[1]
	}

	content, err := os.ReadFile(migrationPath)
	if err != nil {
		log.Fatalf("Failed to read migration file: %v", err)
	}

	log.Printf("Running migration %s...", migrationPath)
	if _, err := db.Exec(string(content)); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	queueName := os.Getenv("ANOMALY_QUEUE_NAME")
	if queueName == "" {
		queueName = "anomaly-jobs"
	}
	if _, err := db.Exec(`SELECT pgmq.create($1)`, queueName); err != nil {
		log.Printf("Queue %s not created (pgmq missing or queue exists): %v", queueName, err)
	} else {
		log.Printf("Queue %s ready", queueName)
	}

	log.Println("Migration applied successfully")
}
