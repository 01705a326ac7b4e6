// Package web3 houses EVM connectivity: network definitions, the chain
// client contract used by the lending flows, event subscriptions and block
// explorer links. Concrete implementations live in the ethereum, provider
// and signer subpackages.
package web3
