package main

import (
	"context"
	"time"

	"github.com/toothpaste/toothpaste/internal/dispatcher"
)

func watchPairingSignals(_ context.Context, _ *dispatcher.Dispatcher, _ time.Duration) {}
