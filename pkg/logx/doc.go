// Package logx is remindbot's logging layer over zerolog.
//
// Console output is human readable and the log file is JSON. The optional
// chat sink turns WARN+ lines into short alerts for the admin contact. It is
// rate limited and folds identical alerts inside a repeat window into one
// "repeated N more times" summary.
package logx
