// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command go-fieldsync runs the reference field-operations backend for local
// development. It can also mint a development JWT for a client.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldops/go-fieldsync/fieldserver"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "listen address")
		dbPath    = flag.String("db", "fieldserver.db", "SQLite database file")
		jwtSecret = flag.String("jwt-secret", "dev-secret-change-in-production", "JWT signing secret")
		mintUser  = flag.String("mint-token", "", "print a development token for this user id and exit")
		mintDev   = flag.String("device", "dev-device-001", "device id used with -mint-token")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *mintUser != "" {
		token, err := fieldserver.NewJWTAuth(*jwtSecret).GenerateToken(*mintUser, *mintDev, 24*time.Hour)
		if err != nil {
			logger.Error("Failed to mint token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	srv, err := fieldserver.NewServer(db, *jwtSecret, logger)
	if err != nil {
		logger.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}

	logger.Info("Field server listening", "addr", *addr, "db", *dbPath)
	if err := http.ListenAndServe(*addr, srv.Handler()); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}
