/*
Package markov implements a word-level Markov transition engine: a
reversible tokenizer, an in-memory fixed-order transition table with
train and sample operations, and a generation sampler with temperature
scaling, top-k restriction, and length-biased termination.

Persistence lives in the store package; a Model is rebuilt from durable
data through the StateSource interface and can also be snapshotted to
any io.Writer for transfer between processes.
*/
package markov
