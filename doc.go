// Package depositgw and its sub-packages implement a multi-chain deposit and checkout gateway.
/*
depositgw lets vendors sell menu items for crypto currencies. A customer is issued a checkout order referencing a set
of menu items and the chains the vendor accepts; the gateway detects the deposits arriving on those chains, records
them in a balance ledger and credits them to the order until it is paid.

Architecture

The gateway service (package gateway, started by cmd/gateway) consumes client requests from a message broker
(package lib/msg: AMQP, Kafka or in process) and publishes events back: order created, order paid or cancelled with
the callback to invoke, balance changes and the outcome of every deposit watch.

Orders live in the transaction registry (package registry), which validates and prices them from the vendor menu,
moves cancelled orders to an archive and applies credits exactly once per deposit.

A deposit watch (package watcher) owns one (chain, address, token) ledger key at a time through a lease (package
lib/lease, in process or Redis). It reads the recorded balance and runs the reconciliation engine (package reconcile)
against the chain adapter, then writes the change with compare-and-swap and credits the confirmed increase.

Chain adapters (package lib/chain) give one balance primitive per family: UTXO explorers for btc, ltc and doge,
JSON-RPC for eth and bsc with their erc20 and bep20 tokens, Solana RPC for sol and spl, and rippled for xrp. They also
generate addresses and build and broadcast transfers where the family allows it.

Persistence (package lib/store) is product agnostic: memory, MongoDB or PostgreSQL, selected in the JSON config file.

The service can be monitored via Prometheus and a health check by setting the flag "-m" at startup, and traced with
Jaeger when configured.
*/
package depositgw
