// Package cardiocheck is the dispatch and correlation core of an asynchronous
// health-risk evaluation API. A questionnaire submission is recorded as a
// PENDING evaluation and turned into a job request on NATS JetStream; an
// external analysis worker answers on a result subject, and the result
// consumer matches the answer back to the evaluation and finalizes it.
//
// # Broker
//
// The broker connection manager owns one NATS connection, reconnects with a
// bounded budget and provisions two streams on connect: a work-queue stream
// holding job requests and a limits stream holding results. Results are read
// through explicit durable consumers, so a restarted process resumes where
// the previous one stopped. The channel transport runs the same contracts in
// memory for tests and local development.
//
// # Domains
//
// Each risk domain (cardiac, sleep) defines its questionnaire, the feature
// vector sent to the worker and the recommendation text for a result code.
//
// # Embedding
//
// Most deployments run the cardiocheck binary. Programs that embed the service
// load a Config, build an App with NewApp, then call Init and Run:
//
//	cfg, err := cardiocheck.LoadConfig("cardiocheck.yaml")
//	app, err := cardiocheck.NewApp(cfg, logger, cardiocheck.AppOptions{})
//	err = app.Init(ctx)
//	err = app.Run(ctx)
package cardiocheck
