package cache

import "github.com/redis/go-redis/v9"

// putMarkerScript keeps the marker with the greatest (ts, seq). A state hash
// with ts -1 is the placeholder written alongside the stroke body.
var putMarkerScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'ts', 'seq')
local ts = tonumber(ARGV[1])
local seq = tonumber(ARGV[2])
if cur[1] then
	local cts = tonumber(cur[1])
	local cseq = tonumber(cur[2]) or 0
	if cts > ts or (cts == ts and cseq >= seq) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'seq', ARGV[2], 'undone', ARGV[3])
return 1
`)

// setClearScript raises the clear timestamp and never lowers it.
var setClearScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local ts = tonumber(ARGV[1])
if ts > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	cur = ts
end
return cur
`)

// moveCutScript drops and adds cut claims. ARGV[1] is the number of claim
// fields to drop, followed by those fields and then field/member pairs to add.
var moveCutScript = redis.NewScript(`
local nremove = tonumber(ARGV[1])
for i = 2, nremove + 1 do
	redis.call('HDEL', KEYS[1], ARGV[i])
end
for i = nremove + 2, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('INCR', KEYS[2])
return 1
`)

// commitRebuildScript replaces the cut set and marks the room hydrated only
// if no live write touched the room since the rebuild read its generation.
var commitRebuildScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[2])
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
redis.call('SET', KEYS[3], '1')
return 1
`)
