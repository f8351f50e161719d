/*
Package recondo documents the recondo module.

recondo keeps outbound notification delivery statuses consistent despite
unreliable, out-of-order provider signals: a webhook receiver records raw
provider events, and a scheduled reconciliation sweep re-derives each
record's canonical lifecycle state and audits every correction it makes.

This module is CLI-first and ships the recondo command:

	go install github.com/recondohq/recondo/cmd/recondo@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package recondo
