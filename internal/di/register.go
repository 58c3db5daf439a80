package di

import "github.com/samber/do/v2"

// RegisterSingletons registers all service providers as singletons.
// Services are registered in dependency order:
//  1. Config (no dependencies)
//  2. Logger (Config)
//  3. Storage (Config, Logger)
//  4. Limiter and Pacer (Config, Storage)
//  5. Token tiers (Config)
//  6. Tokens (Config, Storage, Token tiers, Logger)
//  7. HealthTracker and Checker (Config, Logger, Storage, Token tiers)
//  8. Client (Config, Tokens, Limiter, Pacer, HealthTracker)
//  9. Concurrency, Handler and Server (everything above).
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewStorage)
	do.Provide(i, NewLimiter)
	do.Provide(i, NewPacer)
	do.Provide(i, NewTokenTiers)
	do.Provide(i, NewTokens)
	do.Provide(i, NewHealthTracker)
	do.Provide(i, NewChecker)
	do.Provide(i, NewClient)
	do.Provide(i, NewConcurrencyService)
	do.Provide(i, NewHandler)
	do.Provide(i, NewHTTPServer)
}
