/*
Package log provides structured logging for readercred using zerolog.

It wraps zerolog to give JSON or console-formatted logs with
component-specific child loggers (WithComponent, WithRegistrationID,
WithAlias) so that server and client log lines can be correlated to a
specific registration or pool key without string concatenation.
*/
package log
