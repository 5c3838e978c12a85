// Package main implements the toolauth CLI.
package main

import (
	// Flag defaults read TOOLAUTH_* variables, so .env is loaded during
	// package initialization. Variables already set are not overridden.
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	Execute()
}
