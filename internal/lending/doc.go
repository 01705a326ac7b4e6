// Package lending drives the P2PLending contract flows: deploy, approve,
// create-offer, take-loan, repay and withdraw. Each flow waits for the
// receipt of every transaction it sends before sending the next one.
package lending
